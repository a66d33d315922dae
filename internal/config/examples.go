package config

import "os"

// ExamplePoolTOML and ExampleSecretsTOML are the starter files
// WriteExampleFiles writes out to give an operator a documented starting point,
// keeping credentials in a separate, gitignore-able file from the rest of
// the configuration.
const ExamplePoolTOML = `# Pool configuration. Safe to commit; secrets live in secrets.toml.
chain = "mainnet"
address = ":3333"
status_addr = ":8080"

bitcoin_rpc_host = "127.0.0.1"
bitcoin_rpc_port = 8332
bitcoin_rpc_username = "bitcoinrpc"
zmq_block_notifications = "tcp://127.0.0.1:28332"

address_payout = ""
donation_address = ""
donation = 0.0

start_diff = 1.0
min_diff = 0.001
max_diff = 1048576
vardiff_target_seconds = 10
vardiff_window = 30
vardiff_period_seconds = 30

extranonce2_size = 4
notify_queue_size = 16

ban_threshold = 20
ban_duration_seconds = 600
ban_forgiveness_minutes = 1440

sqlite_path = "data/shares.db"
credit_stale_shares = false

log_level = "info"
`

const ExampleSecretsTOML = `# Credentials. Do not commit.
rpc_pass = "password"

# discord_token = "YOUR_DISCORD_BOT_TOKEN"
# clerk_secret_key = "sk_test_..."
# clerk_publishable_key = "pk_test_..."
# admin_jwt_secret = "change-me"
`

// WriteExampleFiles writes starter config files to poolPath/secretsPath,
// leaving either one untouched if it already exists.
func WriteExampleFiles(poolPath, secretsPath string) error {
	if err := writeIfAbsent(poolPath, ExamplePoolTOML); err != nil {
		return err
	}
	return writeIfAbsent(secretsPath, ExampleSecretsTOML)
}

func writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
