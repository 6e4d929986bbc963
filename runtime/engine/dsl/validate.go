package dsl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BDNK1/chatflow/runtime"
)

// ValidateBot parses every flow of def and checks that the default flow
// exists, that every flow has a start step, and that goto and import
// targets exist. Import cycles are reported as warnings, since an import
// guarded by a condition may still terminate.
func ValidateBot(def runtime.BotDefinition, baseDir string) runtime.ValidationReport {
	report := runtime.ValidationReport{Errors: []*runtime.Error{}, Warnings: []string{}}

	if err := runtime.ValidateStruct(def); err != nil {
		report.Errors = append(report.Errors, runtime.ConfigErrorf("%v", err))
		return report
	}

	flows := make(map[string]*runtime.Flow, len(def.Flows))
	for _, fd := range def.Flows {
		source, err := flowSource(fd, baseDir)
		if err != nil {
			report.Errors = append(report.Errors, runtime.ConfigErrorf("flow %s: %v", fd.Name, err))
			continue
		}
		flow, err := Parse(fd.Name, source)
		if err != nil {
			if rerr, ok := runtime.AsError(err); ok {
				report.Errors = append(report.Errors, rerr)
			} else {
				report.Errors = append(report.Errors, runtime.ConfigErrorf("flow %s: %v", fd.Name, err))
			}
			continue
		}
		flows[fd.Name] = flow
	}

	bot := &runtime.Bot{ID: def.ID, DefaultFlow: def.DefaultFlow, Flows: flows}
	if _, ok := bot.Flow(def.DefaultFlow); !ok {
		report.Errors = append(report.Errors, runtime.ConfigErrorf("default flow %s is not defined", def.DefaultFlow))
	}

	names := make([]string, 0, len(flows))
	for name := range flows {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		flow := flows[name]
		if _, ok := flow.Step(runtime.DefaultStartStep); !ok {
			err := runtime.ConfigErrorf("flow %s has no %s step", name, runtime.DefaultStartStep)
			err.Flow = name
			report.Errors = append(report.Errors, err)
		}
		report.Warnings = append(report.Warnings, checkTargets(bot, flow)...)
		if cycle := buildImportGraph(flow).findCycle(); cycle != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: import cycle %s", name, strings.Join(cycle, " → ")))
		}
	}
	return report
}

// checkTargets lists goto and import targets of flow that do not exist.
func checkTargets(bot *runtime.Bot, flow *runtime.Flow) []string {
	var warnings []string
	steps := flow.StepNames()
	sort.Strings(steps)

	for _, step := range steps {
		stmts, _ := flow.Step(step)
		for _, stmt := range stmts {
			runtime.Walk(stmt, func(e runtime.Expr) bool {
				where := fmt.Sprintf("%s.%s:%s", flow.Name, step, e.Pos())
				switch n := e.(type) {
				case *runtime.GotoStmt:
					switch n.Kind {
					case runtime.GotoStep:
						if _, ok := flow.Step(n.Name); !ok && n.Name != runtime.EndStep {
							warnings = append(warnings, fmt.Sprintf("%s: goto unknown step %s", where, n.Name))
						}
					case runtime.GotoFlow:
						if _, ok := bot.Flow(n.Name); !ok {
							warnings = append(warnings, fmt.Sprintf("%s: goto unknown flow %s", where, n.Name))
						}
					case runtime.GotoHook:
						if _, ok := flow.Hooks[n.Name]; !ok {
							warnings = append(warnings, fmt.Sprintf("%s: goto unknown hook @%s", where, n.Name))
						}
					}
				case *runtime.ImportStmt:
					if _, ok := flow.Step(n.Step); !ok {
						warnings = append(warnings, fmt.Sprintf("%s: import of unknown step %s", where, n.Step))
					}
				}
				return true
			})
		}
	}
	return warnings
}
