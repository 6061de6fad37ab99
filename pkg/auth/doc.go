/*
Package auth verifies bearer tokens and resolves them to gateway users.

Three token shapes arrive at the gateway, routed by prefix:

	getgather_{app_key}_{sub}   first-party static tokens, checked against
	                            the GETGATHER_APPS allow-list
	gho_ / ghp_ / ghu_          GitHub access tokens, verified against the
	                            GitHub user endpoint
	everything else             Google access tokens, verified against the
	                            Google userinfo endpoint

Verification normalizes claims into types.AuthUser and resets scopes to the
canonical dummy scope; the gateway does not use scopes for authorization,
only container ownership. Verified users are cached per request in the
context by the MCP middleware.

The middleware guards only /mcp paths. Browsers (clients that do not accept
text/event-stream) are redirected to the home page instead of receiving a
401, which is what a user clicking an MCP URL should see.

The oauth subpackage implements the authorization-server facade that mints
these tokens for third-party MCP clients.
*/
package auth
