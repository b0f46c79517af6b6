// Package ephemeralvc implements a Discord bot that manages temporary
// voice channels, along with a few community utilities, and a web
// dashboard to administer them.
//
// Members joining a lobby channel get their own voice channel, with a
// control panel the owner can use to rename, lock, hide or hand over
// the channel. The channel is deleted once everyone has left, and
// ownership passes to the longest-present member when the owner leaves.
//
// Other components:
//
//   - Bot: owns the gateway session, database and schedulers.
//   - Bump reminders: detects DISBOARD/ディス速報 bumps and posts a
//     reminder once the service's cooldown has passed.
//   - Sticky messages: keeps a message at the bottom of a channel,
//     reposting it after activity settles.
//   - Role panels: button or reaction based self-assignable roles.
//   - Health: periodic heartbeat with gateway latency.
//   - API: the dashboard backend, with cookie sessions and email-based
//     account recovery.
//
// All state lives in sqlite or PostgreSQL. With PostgreSQL, the dashboard
// can run as a separate process and notify the bot of changes via
// LISTEN/NOTIFY.
package ephemeralvc
