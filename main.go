// Command logfetcher harvests rotated log files from remote hosts over ssh.
package main

import "github.com/oetiker/logfetcher/cmd"

func main() {
	cmd.Execute()
}
