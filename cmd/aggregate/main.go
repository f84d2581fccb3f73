// Command aggregate accepts chat commands over HTTP and appends the
// resulting events to the event log.
package main

import "github.com/whisper/chatstream/internal/app"

func main() {
	app.Main("aggregate", app.RunAggregate)
}
