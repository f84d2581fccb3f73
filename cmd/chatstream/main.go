// Command chatstream runs every service in one process. With EVENTLOG_BACKEND=memory it needs no external services.
package main

import "github.com/whisper/chatstream/internal/app"

func main() {
	app.Main("chatstream", app.RunAll)
}
