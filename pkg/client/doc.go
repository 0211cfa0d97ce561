/*
Package client is a Go client for the control plane HTTP API.

The ezstream operator commands use it to reach a running control plane,
since the store is owned by the serve process while it runs:

	c, err := client.NewClient("127.0.0.1:8080")
	if err != nil {
		return err
	}
	report, err := c.Sweep(ctx, false)

Non-2xx responses come back as *APIError carrying the status code and the
server's error message. errors.Is(err, client.ErrNotFound) matches a 404.
*/
package client
