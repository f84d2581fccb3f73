// Command wsserver relays new chat messages to WebSocket clients.
package main

import "github.com/whisper/chatstream/internal/app"

func main() {
	app.Main("wsserver", app.RunLive)
}
