/*
Package config loads ezstream configuration for the control plane, the
agent and the operator commands.

Values are layered, later layers winning:

	defaults      Default()
	YAML file     --config path
	environment   EZSTREAM_<SECTION>_<KEY>, after .env is loaded

so redis.addr is overridden by EZSTREAM_REDIS_ADDR. Durations are strings
such as "5m". Load validates the result with go-playground/validator
and reports every field that fails its constraint.

Every stream lifecycle timeout lives in Thresholds: the recent start guard,
stale and warning heartbeat ages, start and stop timeouts and the command
ack timeout. Components take their thresholds from here and define none of
their own.

# Example

	redis:
	  addr: 10.0.0.1:6379
	storage:
	  driver: sqlite
	  data_dir: /var/lib/ezstream
	thresholds:
	  stop_timeout: 5m
	health:
	  auto_fix: true
*/
package config
