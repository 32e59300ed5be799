// Package config handles configuration loading for morrigan-server.
//
// Configuration is loaded from a YAML file with ${ENV_VAR} expansion and
// Go duration-string parsing. Recognized sections:
//
//	http:
//	  port: 3000
//	  secure: false          # when true, cert_path and key_path are required
//	  cert_path: ""
//	  key_path: ""
//
//	database:
//	  path: "/var/lib/morrigan/morrigan.db"
//	  db_name: "test"        # defaulting emits a warning at startup
//
//	logger:
//	  console: true
//	  log_dir: ""            # set to enable the JSON file sink
//	  level: "info"          # debug, info, warn, error
//
//	auth:
//	  bootstrap_password: "${MORRIGAN_BOOTSTRAP_PASSWORD}"
//
//	tokens:
//	  operator_ttl: "30m"
//	  client_ttl: "720h"
//	  key_rotation: "6h"     # "0s" regenerates the key after every issuance
//
//	sessions:
//	  heartbeat_interval: "30s"
//
//	instances:
//	  check_in_interval: "30s"
//
//	state_dir: "/morrigan.server/state"
//
//	components:              # free-form spec passed to each component
//	  morrigan: {}
//
// Load validates required fields and returns the first failure encountered.
package config
