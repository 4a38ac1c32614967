// Command abodegate bridges Abode garage doors to Home Assistant over MQTT
// and a small HTTP API.
package main

func main() {
	Execute()
}
