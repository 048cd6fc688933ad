// Package config loads the stackctl controller configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, and STACKDEPLOY_* environment variables. Unknown YAML keys are
// rejected. The result is checked with struct tags and converted into the
// option structs of the store, the orchestrator and the SSH transport.
//
// A minimal file:
//
//	database:
//	  path: /var/lib/stackdeploy/state.db
//	orchestrator:
//	  cluster_id: env-1
//	  max_parallel: 20
//	  tolerant_roles: [compute, ceph-osd]
//	ssh:
//	  user: deploy
//	  key_file: /etc/stackdeploy/id_ed25519
//	metadata:
//	  dir: /etc/stackdeploy/releases
//	  watch: true
//	telemetry:
//	  logging:
//	    level: debug
//	    format: json
package config
