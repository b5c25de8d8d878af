// vigil — self-learning WAF reverse proxy.
package main

import "github.com/vigil-waf/vigil/internal/cli"

func main() {
	cli.Execute()
}
