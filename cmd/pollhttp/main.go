// Command pollhttp is a poll-driven, non-blocking HTTP client.
package main

import "github.com/pollhttp/pollhttp/internal/cli"

func main() {
	cli.Execute()
}
