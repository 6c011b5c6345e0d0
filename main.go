// The main package for the botconsole executable.
package main

import (
	_ "github.com/joho/godotenv/autoload"

	"github.com/JakeFAU/botfleet-console/cmd"
)

// main defers all execution to the Cobra CLI; a .env file in the working
// directory is loaded into the environment first.
func main() {
	cmd.Execute()
}
