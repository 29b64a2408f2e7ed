// SPDX-License-Identifier: Apache-2.0

package config

// configSchema is the JSON schema the serialized config blob must satisfy.
// Durations serialize as integer nanoseconds, so they appear as numbers here.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["server", "oauth", "sandbox", "bus", "audit", "ratelimit", "storage"],
  "properties": {
    "server": {
      "type": "object",
      "required": ["address"],
      "properties": {
        "address": {"type": "string", "minLength": 1},
        "debug": {"type": "boolean"}
      }
    },
    "oauth": {
      "type": "object",
      "required": ["issuer", "access_token_ttl", "refresh_token_ttl", "authorization_code_ttl", "allowed_scopes"],
      "properties": {
        "issuer": {"type": "string", "format": "uri"},
        "access_token_ttl": {"type": "integer", "minimum": 1},
        "refresh_token_ttl": {"type": "integer", "minimum": 1},
        "authorization_code_ttl": {"type": "integer", "minimum": 1},
        "allowed_scopes": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
        "dpop_enabled": {"type": "boolean"},
        "dpop_algorithms": {"type": "array", "items": {"type": "string"}},
        "cleanup_interval": {"type": "integer", "minimum": 1},
        "revoked_family_high_water": {"type": "integer", "minimum": 2}
      }
    },
    "sandbox": {
      "type": "object",
      "required": ["defaults", "max_timeout", "max_code_bytes", "max_files", "max_concurrent_executions", "images"],
      "properties": {
        "defaults": {
          "type": "object",
          "required": ["timeout", "resources", "work_dir", "image_pull_policy"],
          "properties": {
            "timeout": {"type": "integer", "minimum": 1},
            "resources": {
              "type": "object",
              "properties": {
                "memory_bytes": {"type": "integer", "minimum": 1048576},
                "memory_swap_bytes": {"type": "integer", "minimum": 0},
                "cpus": {"type": "number", "exclusiveMinimum": 0},
                "pids_limit": {"type": "integer", "minimum": 1},
                "max_output_bytes": {"type": "integer", "minimum": 1024},
                "max_file_size_bytes": {"type": "integer", "minimum": 1}
              }
            },
            "network": {
              "type": "object",
              "properties": {
                "enabled": {"type": "boolean"},
                "allowed_hosts": {"type": "array", "items": {"type": "string"}},
                "allowed_ports": {"type": "array", "items": {"type": "integer", "minimum": 1, "maximum": 65535}},
                "dns_servers": {"type": "array", "items": {"type": "string"}}
              }
            },
            "user_id": {"type": "integer", "minimum": 0},
            "group_id": {"type": "integer", "minimum": 0},
            "work_dir": {"type": "string", "pattern": "^/"},
            "image_pull_policy": {"enum": ["always", "if-not-present", "never"]}
          }
        },
        "max_timeout": {"type": "integer", "minimum": 1},
        "max_code_bytes": {"type": "integer", "minimum": 1},
        "max_files": {"type": "integer", "minimum": 0, "maximum": 10},
        "max_concurrent_executions": {"type": "integer", "minimum": 1},
        "reap_interval": {"type": "integer", "minimum": 1},
        "reap_max_age": {"type": "integer", "minimum": 1},
        "images": {
          "type": "object",
          "additionalProperties": {"type": "string", "minLength": 1},
          "minProperties": 1
        }
      }
    },
    "bus": {
      "type": "object",
      "required": ["retain_count", "retain_duration", "max_subscribers", "max_queue_size", "dead_letter_topic"],
      "properties": {
        "retain_count": {"type": "integer", "minimum": 0},
        "retain_duration": {"type": "integer", "minimum": 1},
        "max_subscribers": {"type": "integer", "minimum": 1},
        "max_queue_size": {"type": "integer", "minimum": 1},
        "dead_letter_topic": {"type": "string", "minLength": 1}
      }
    },
    "audit": {
      "type": "object",
      "required": ["max_entries", "retention"],
      "properties": {
        "max_entries": {"type": "integer", "minimum": 10},
        "retention": {"type": "integer", "minimum": 1},
        "console_mirror": {"type": "boolean"}
      }
    },
    "ratelimit": {
      "type": "object",
      "required": ["max_requests", "window"],
      "properties": {
        "max_requests": {"type": "integer", "minimum": 1},
        "window": {"type": "integer", "minimum": 1},
        "burst": {"type": "integer", "minimum": 0},
        "cleanup_interval": {"type": "integer", "minimum": 0}
      }
    },
    "storage": {
      "type": "object",
      "required": ["backend"],
      "properties": {
        "backend": {"enum": ["memory", "redis"]},
        "redis_addr": {"type": "string"},
        "redis_password": {"type": "string"},
        "redis_db": {"type": "integer", "minimum": 0}
      }
    }
  }
}`
