package plugin

import "github.com/BDNK1/chatflow/runtime"

// Execution is the state of the turn an action runs in. It implements
// context.Context.
type Execution = runtime.Execution

// Input is the argument map of a map-based action.
type Input = map[string]any

// Output is the result map of a map-based action.
type Output = map[string]any

// Lifecycle is implemented by plugins with startup and shutdown work.
type Lifecycle = runtime.Lifecycle

// Fallback is implemented by plugins that answer calls no other action matched.
type Fallback = runtime.Fallback

// Text builds a text message result.
func Text(text string) Output {
	return Output{"content_type": runtime.ContentText, "content": map[string]any{"text": text}}
}
