// Command swegraph runs the project generation workflow from the command
// line or as an HTTP service.
package main

func main() {
	Execute()
}
