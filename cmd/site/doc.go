// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Site is the backend of itsfan.me.

It serves the moments API, the blog posts and friends page loaded from a
content directory, the RSS feed and sitemap, the GitHub contribution
calendar, uploaded images, and the Telegram bot used to publish and manage
moments.

# Usage

	$ site [flags...]

Every flag can also be set with the environment variable named in its
description. Flags win over the environment.

# Storage

The -store flag selects where moments are kept:

	mem:                     in memory, lost on restart
	file:/var/lib/site.json  JSON file
	sqlite:/var/lib/site.db  SQLite database
	postgres://user@host/db  PostgreSQL database

# Telegram

The bot is enabled when -tg-token is set. It then also needs -tg-owner, the
ID of the only user allowed to talk to it, and -tg-secret, the secret token
Telegram sends with webhook requests. Updates are received at
/api/telegram/webhook. In production mode (-prod) the webhook is registered
with Telegram on startup, pointing to -public-url.

# systemd

Under systemd with Type=notify, the server reports readiness once it is
listening and pings the watchdog when WatchdogSec is set.

# Endpoints

	GET    /api/moments[?limit=&offset=&tag=]
	GET    /api/moments/{id}
	POST   /api/moments            (Authorization: Bearer <api key>)
	PUT    /api/moments/{id}       (Authorization: Bearer <api key>)
	DELETE /api/moments/{id}       (Authorization: Bearer <api key>)
	GET    /api/posts
	GET    /api/posts/{slug}
	GET    /api/friends
	GET    /api/github/contributions?username=
	GET    /feed
	GET    /sitemap.xml
	GET    /media/...
	GET    /metrics
	GET    /health
	GET    /debug/                 (Authorization: Bearer <api key> in production)
*/
package main
