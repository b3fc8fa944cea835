// Package config handles configuration loading for seance.
//
// # Overview
//
// Configuration is loaded from a TOML file with environment variable
// expansion. Validation is strict: a config that would put the bot in an
// inconsistent mode (for example assistant mode without an assistant ID)
// is rejected at startup instead of being papered over at runtime.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SEANCE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/seance/seance.toml
//  3. ~/.config/seance/seance.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[backend]
//	api_key = "${OPENAI_API_KEY}"
//
// # Sections
//
// Matrix connection:
//
//	[matrix]
//	homeserver = "https://matrix.org"
//	username = "seancebot"        # password login...
//	password = "${MATRIX_PASSWORD}"
//	user_id = "@seancebot:matrix.org"   # ...or token login
//	access_token = "${MATRIX_TOKEN}"
//	recovery_key = ""             # optional, enables E2EE
//
// Backend:
//
//	[backend]
//	url = "https://api.openai.com"
//	api_key = "${OPENAI_API_KEY}"
//	model = "gpt-4o-mini"
//	temperature = 0.7
//	max_tokens = 1024
//	assistant_id = ""             # required for bot.mode = "assistant"
//	poll_interval = "1s"          # assistant run polling
//	poll_timeout = "60s"
//
// Bot behavior:
//
//	[bot]
//	mode = "chat"                 # chat | assistant
//	context = "room"              # room | thread
//	system_prompt = "You are a helpful assistant."
//	allowed_rooms = []
//	allowed_users = []
//	command_prefix = ""
//	typing_indicator = true
//	auto_join = true
//
// Session persistence ([store] path empty keeps sessions in memory) and
// failure notices ([messages]) have sensible defaults.
package config
