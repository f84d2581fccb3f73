// Command projector folds the event stream into the chat read model and
// serves queries from it.
package main

import "github.com/whisper/chatstream/internal/app"

func main() {
	app.Main("projector", app.RunProjector)
}
