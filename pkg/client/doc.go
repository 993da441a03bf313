/*
Package client is a thin HTTP client for the conductor API, used by the
`conductor job submit|query|cancel` CLI subcommands.

	c := client.New("http://localhost:8080")
	id, err := c.Submit(ctx, client.SubmitRequest{
		Name: "build", TasksPerNode: 1, CPUsPerTask: 2, Script: "make test",
	})

There is no retry or connection pooling beyond what net/http already does —
the CLI is a short-lived process making one or two requests per invocation,
not a long-running service that needs it.
*/
package client
