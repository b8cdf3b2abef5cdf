// Command recipectl submits scrape and invent requests to a recipe server and
// follows their progress until they finish.
//
// Usage:
//
//	recipectl [flags] scrape <url>
//	recipectl [flags] invent -title <title> [-cuisine c] [-servings n] ...
//	recipectl [flags] status
//	recipectl [flags] watch
//	recipectl token -user <id> [-secret s] [-lifetime d]
//
// The server URL and token default to $RECIPES_SERVER_URL and $RECIPES_TOKEN.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
