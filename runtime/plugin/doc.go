// Package plugin contains the types plugin authors need to extend chatflow
// with actions callable from flows.
//
// A plugin is a struct with exported methods of the form
//
//	func (p *MyPlugin) Lookup(exec *plugin.Execution, args plugin.Input) (plugin.Output, error)
//
// or, with typed input and output structs decoded through their json tags,
//
//	func (p *MyPlugin) Lookup(exec *plugin.Execution, input LookupInput) (LookupOutput, error)
//
// Registered under the name "crm", the method above is called from a flow as
//
//	say crm.lookup(id = event)
//
// # Results
//
// A result map with "content_type" and "content" keys is sent as a message
// of that type. Any other result is sent as an object message, and can be
// bound with `as`:
//
//	crm.lookup(id = event) as customer
//	say "Hello {{ customer.name }}"
//
// # Configuration
//
// Plugins can define an exported Config field with declarative tags. Values
// come from the plugins section of the server configuration:
//
//	type Config struct {
//	    Timeout time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
//	}
//
// # Lifecycle
//
// Plugins holding connections implement Lifecycle; Initialize runs at
// startup and Shutdown in reverse order on exit.
package plugin
