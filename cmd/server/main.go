/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the allowance engine: runs the HTTP server and
  the operational one-offs that go with it.

COMMANDS:
  serve         Start the API server and the grace expiry scheduler
  migrate       Create or update the database schema
  expire-grace  Expire stale pending grace requests once and exit
  token         Issue a bearer token for a member (development)
  seed          Create a demo family with a guardian and a child

CONFIGURATION:
  --config path/to/config.yaml (optional). ALLOWANCE_* environment
  variables override the file, e.g. ALLOWANCE_AUTH_JWT_SECRET.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ALLOWANCE_AUTH_JWT_SECRET=dev ./server serve --config config.yaml
  ./server seed --db data/allowance.db
  ./server token --member m-child --family f-demo --role child

SEE ALSO:
  - api/server.go: Router configuration
  - config/load.go: Configuration loading
*/
package main

// Family timezones must resolve on hosts without a zoneinfo database.
import _ "time/tzdata"

func main() {
	Execute()
}
