package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
)

// Interface type constants for plugin capabilities
const (
	InterfaceLifecycle = "Lifecycle"
	InterfaceFallback  = "Fallback"
)

// Lifecycle is implemented by plugins that hold resources (connections,
// clients) between turns.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Fallback is implemented by plugins that answer calls no builtin and no
// plugin method matched.
type Fallback interface {
	CallFallback(exec *Execution, name string, args map[string]any) (map[string]any, error)
}

// Action is a callable plugin method.
type Action interface {
	Execute(*Execution, map[string]any) (map[string]any, error)
}

var _ ActionCaller = &Container{}

// Container holds the registered plugins and dispatches flow calls such as
// `api.get_user(id = 1)` to their methods.
type Container struct {
	actions            map[string]Action
	plugins            map[string]any   // Plugin instances (name -> plugin)
	pluginsByInterface map[string][]any // Interface name -> plugins implementing that interface
	l                  *slog.Logger
}

func NewContainer(l *slog.Logger) *Container {
	if l == nil {
		l = slog.Default()
	}
	return &Container{
		actions:            make(map[string]Action),
		plugins:            make(map[string]any),
		pluginsByInterface: make(map[string][]any),
		l:                  l,
	}
}

func (c *Container) GetAction(name string) Action {
	action, ok := c.actions[normalizeActionName(name)]
	if !ok {
		return nil
	}
	return action
}

func (c *Container) SetAction(name string, action Action) {
	c.actions[normalizeActionName(name)] = action
}

// Actions lists the registered action names.
func (c *Container) Actions() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterPlugin registers a plugin instance and discovers its actions and
// interfaces. Exported methods with one of the signatures
//
//	func (p *Plugin) Name(exec *Execution, args map[string]any) (map[string]any, error)
//	func (p *Plugin) Name(exec *Execution, input In) (Out, error)
//
// become the action "plugin.name" (method name in snake case). In and Out
// are structs decoded from and encoded to maps through their json tags.
func (c *Container) RegisterPlugin(pluginName string, plugin any) error {
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if pluginName == "" || strings.Contains(pluginName, ".") {
		return fmt.Errorf("invalid plugin name %q", pluginName)
	}
	if _, dup := c.plugins[pluginName]; dup {
		return fmt.Errorf("plugin %s already registered", pluginName)
	}

	c.plugins[pluginName] = plugin
	c.detectPluginInterfaces(plugin)

	pluginType := reflect.TypeOf(plugin)
	pluginValue := reflect.ValueOf(plugin)

	for i := 0; i < pluginType.NumMethod(); i++ {
		method := pluginType.Method(i)
		if !method.IsExported() {
			continue
		}

		var action Action
		switch {
		case isMapActionSignature(method.Type):
			action = &mapActionWrapper{plugin: pluginValue, method: method}
		case isTypedActionSignature(method.Type):
			action = &typedActionWrapper{plugin: pluginValue, method: method}
		default:
			continue
		}

		name := pluginName + "." + strcase.ToSnake(method.Name)
		c.actions[name] = action
		c.l.Debug(fmt.Sprintf("Registered action %s", name))
	}

	return nil
}

// ConfigurePlugin fills the exported Config field of plugin, if it has one,
// from raw values: defaults, then values, then validation.
func (c *Container) ConfigurePlugin(pluginName string, plugin any, raw map[string]any) error {
	v := reflect.ValueOf(plugin)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return nil
	}
	field := v.Elem().FieldByName("Config")
	if !field.IsValid() || !field.CanAddr() || field.Kind() != reflect.Struct {
		return nil
	}

	resolved, err := resolveEnvVars(raw)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", pluginName, err)
	}
	values, _ := resolved.(map[string]any)
	if err := InitializeConfig(field.Addr().Interface(), values); err != nil {
		return fmt.Errorf("plugin %s: %w", pluginName, err)
	}
	return nil
}

// detectPluginInterfaces detects which interfaces a plugin implements and registers them
func (c *Container) detectPluginInterfaces(plugin any) {
	if _, ok := plugin.(Lifecycle); ok {
		c.pluginsByInterface[InterfaceLifecycle] = append(c.pluginsByInterface[InterfaceLifecycle], plugin)
	}
	if _, ok := plugin.(Fallback); ok {
		c.pluginsByInterface[InterfaceFallback] = append(c.pluginsByInterface[InterfaceFallback], plugin)
	}
}

func (c *Container) GetPlugin(name string) any {
	return c.plugins[name]
}

// Initialize calls Initialize on all Lifecycle plugins in registration order.
// Plugins initialized before a failure are shut down again.
func (c *Container) Initialize(ctx context.Context) error {
	lifecyclePlugins := c.pluginsByInterface[InterfaceLifecycle]

	for i, plugin := range lifecyclePlugins {
		if err := plugin.(Lifecycle).Initialize(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = lifecyclePlugins[j].(Lifecycle).Shutdown(ctx)
			}
			return fmt.Errorf("plugin #%d initialization failed: %w", i, err)
		}
	}
	return nil
}

// Shutdown calls Shutdown on all Lifecycle plugins in reverse order.
func (c *Container) Shutdown(ctx context.Context) error {
	lifecyclePlugins := c.pluginsByInterface[InterfaceLifecycle]

	var errs []error
	for i := len(lifecyclePlugins) - 1; i >= 0; i-- {
		if err := lifecyclePlugins[i].(Lifecycle).Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin #%d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// CallAction runs the named action with args (an object literal) and turns
// its result into a message. Names without a registered action go to the
// first Fallback plugin.
func (c *Container) CallAction(exec *Execution, name string, args Literal) (MessageType, error) {
	input := args.ToMap()
	if input == nil {
		input = map[string]any{}
	}

	var (
		result map[string]any
		err    error
	)
	if action := c.GetAction(name); action != nil {
		result, err = action.Execute(exec, input)
	} else if fallbacks := c.pluginsByInterface[InterfaceFallback]; len(fallbacks) > 0 {
		result, err = fallbacks[0].(Fallback).CallFallback(exec, name, input)
	} else {
		return Empty, NewError(ErrorKindEvaluation, CodeUnknownIdent, fmt.Sprintf("unknown function %s", name))
	}
	if err != nil {
		return Empty, ActionError(name, err)
	}
	return resultMessage(result), nil
}

// resultMessage maps an action result to a message. A result carrying
// content_type and content is sent as is; anything else is an object
// message holding the whole result.
func resultMessage(result map[string]any) MessageType {
	if result == nil {
		return Empty
	}
	if ct, ok := result["content_type"].(string); ok && ct != "" {
		if content, ok := result["content"]; ok {
			return Msg(Message{ContentType: ct, Content: FromGo(content)})
		}
	}
	return Msg(Message{ContentType: ContentObject, Content: FromGo(result)})
}

// normalizeActionName lowers the method part of plugin.method to snake case.
func normalizeActionName(name string) string {
	plugin, method, ok := strings.Cut(name, ".")
	if !ok {
		return name
	}
	return plugin + "." + strcase.ToSnake(method)
}

var (
	executionPtrType = reflect.TypeOf((*Execution)(nil))
	mapType          = reflect.TypeOf(map[string]any(nil))
	errorType        = reflect.TypeOf((*error)(nil)).Elem()
)

// isMapActionSignature checks for
// func(exec *Execution, args map[string]any) (map[string]any, error)
func isMapActionSignature(methodType reflect.Type) bool {
	if methodType.NumIn() != 3 || methodType.NumOut() != 2 {
		return false
	}
	return methodType.In(1) == executionPtrType &&
		methodType.In(2) == mapType &&
		methodType.Out(0) == mapType &&
		methodType.Out(1) == errorType
}

// isTypedActionSignature checks for func(exec *Execution, input In) (Out, error)
// with struct In and Out.
func isTypedActionSignature(methodType reflect.Type) bool {
	if methodType.NumIn() != 3 || methodType.NumOut() != 2 {
		return false
	}
	return methodType.In(1) == executionPtrType &&
		methodType.In(2).Kind() == reflect.Struct &&
		methodType.Out(0).Kind() == reflect.Struct &&
		methodType.Out(1) == errorType
}

type mapActionWrapper struct {
	plugin reflect.Value
	method reflect.Method
}

func (w *mapActionWrapper) Execute(exec *Execution, args map[string]any) (map[string]any, error) {
	results := w.method.Func.Call([]reflect.Value{
		w.plugin,
		reflect.ValueOf(exec),
		reflect.ValueOf(args),
	})

	resultMap, _ := results[0].Interface().(map[string]any)
	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return resultMap, err
}

type typedActionWrapper struct {
	plugin reflect.Value
	method reflect.Method
}

func (w *typedActionWrapper) Execute(exec *Execution, args map[string]any) (map[string]any, error) {
	input := reflect.New(w.method.Type.In(2))
	if err := MapToStruct(args, input.Interface()); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := ValidateStruct(input.Elem().Interface()); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	results := w.method.Func.Call([]reflect.Value{
		w.plugin,
		reflect.ValueOf(exec),
		input.Elem(),
	})
	if !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return structToMap(results[0].Interface())
}
