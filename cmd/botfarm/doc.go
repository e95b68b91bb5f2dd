// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Botfarm hosts a fleet of Telegram bots driven by Starlark scripts.

Each *.star file in the bots directory defines one bot: the script runs in
a sandbox and returns a manifest describing the bot's commands, inline
buttons, stateful message handlers and scheduled notifications. Incoming
Telegram updates arrive over per-bot webhook endpoints and are dispatched
through a worker pool that serializes events per chat. A minute sweep
fires notifications that came due on each bot's local clock.

# Usage

	$ botfarm [flags...]

Configuration is read from the environment:

	BOTFARM_ADDR           address to listen on (default "localhost:3000")
	BOTFARM_BOTS_DIR       directory with *.star bot scripts (default "bots")
	BOTFARM_DATABASE_URL   postgres:// DSN, a SQLite file path, or empty
	                       for in-memory storage
	BOTFARM_RELOAD_TOKEN   token protecting the /reload endpoints
	BOTFARM_WORKERS        dispatch worker pool size (default 4)

Per-bot Telegram tokens come from BOTFARM_TOKEN_<NAME>, where <NAME> is
the script file name without the .star extension, uppercased. Bots
without a token are hosted but not connected to Telegram.

Endpoints:

	POST /telegram/{bot}   webhook receiving Telegram updates
	POST /reload/{bot}     re-executes the bot's script; the previous
	                       manifest stays in service if the reload fails
	GET  /health           health status of the running service
*/
package main

import (
	_ "embed"

	"go.astrophena.name/botfarm/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
