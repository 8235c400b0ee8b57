/*
Package config loads fleetd's control-plane configuration: a TOML file,
overlaid with environment variables, producing the typed Config consumed by
pkg/perfeval, pkg/scheduler, pkg/security, and pkg/store/boltstore.

File loading follows Tutu-Engine's BurntSushi/toml pattern (Default()
returns a complete baseline, Load(path) decodes a file on top of it when
present) rather than failing when no config file exists — a fleetd node
boots from defaults alone in a minimal deployment.

Environment overrides (FLEETD_* variables) take precedence over the file,
the same env-var-as-escape-hatch layering the rest of the example pack uses
for values that differ across environments without justifying a config file
(signing keys, listen address, data directory).
*/
package config
