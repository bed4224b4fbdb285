package api

// Amounts are accepted as JSON strings or numbers; strings keep full decimal
// precision. Business rules (amount limits, address formats, supported tokens)
// are left to the orchestrator and ledger so every item issue is reported at once.

const batchItemSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["to", "amount", "token", "chain_id"],
  "properties": {
    "to": {"type": "string"},
    "amount": {"type": ["string", "number"]},
    "token": {"type": "string", "minLength": 1, "maxLength": 16},
    "chain_id": {"type": "integer"},
    "memo": {"type": "string"}
  }
}`

const submitBatchSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["items"],
  "properties": {
    "items": {"type": "array", "items": ` + batchItemSchema + `},
    "strategy": {"type": "string", "enum": ["sequential", "concurrent"]},
    "max_concurrency": {"type": "integer", "minimum": 1, "maximum": 100},
    "retry_on_failure": {"type": "boolean"},
    "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
    "owner_address": {"type": "string", "maxLength": 128},
    "sender": {"type": "string", "maxLength": 128}
  }
}`

const estimateBatchSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["items"],
  "properties": {
    "items": {"type": "array", "items": ` + batchItemSchema + `}
  }
}`

const retryBatchSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "indices": {"type": "array", "items": {"type": "integer", "minimum": 0}, "uniqueItems": true},
    "strategy": {"type": "string", "enum": ["sequential", "concurrent"]},
    "max_concurrency": {"type": "integer", "minimum": 1, "maximum": 100},
    "retry_on_failure": {"type": "boolean"},
    "max_retries": {"type": "integer", "minimum": 0, "maximum": 10}
  }
}`

const transferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["idempotency_key", "from", "to", "amount", "token", "chain_id", "category"],
  "properties": {
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255},
    "from": {"type": "string", "minLength": 1},
    "to": {"type": "string", "minLength": 1},
    "amount": {"type": ["string", "number"]},
    "token": {"type": "string", "minLength": 1},
    "chain_id": {"type": "integer"},
    "category": {"type": "string", "enum": ["payment", "fee", "refund", "settlement", "withdrawal"]},
    "reference_type": {"type": "string"},
    "reference_id": {"type": "string"},
    "tx_hash": {"type": "string"},
    "description": {"type": "string", "maxLength": 1024}
  }
}`

const lockSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "amount", "token", "chain_id"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "amount": {"type": ["string", "number"]},
    "token": {"type": "string", "minLength": 1},
    "chain_id": {"type": "integer"},
    "reference_type": {"type": "string"},
    "reference_id": {"type": "string"},
    "tx_hash": {"type": "string"}
  }
}`

const unlockSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "amount", "token", "chain_id", "success"],
  "properties": {
    "owner": {"type": "string", "minLength": 1},
    "amount": {"type": ["string", "number"]},
    "token": {"type": "string", "minLength": 1},
    "chain_id": {"type": "integer"},
    "success": {"type": "boolean"},
    "reference_type": {"type": "string"},
    "reference_id": {"type": "string"},
    "tx_hash": {"type": "string"}
  }
}`

const depositSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["owner", "amount", "token", "chain_id"],
  "anyOf": [{"required": ["idempotency_key"]}, {"required": ["tx_hash"]}],
  "properties": {
    "idempotency_key": {"type": "string", "minLength": 1, "maxLength": 255},
    "owner": {"type": "string", "minLength": 1},
    "amount": {"type": ["string", "number"]},
    "token": {"type": "string", "minLength": 1},
    "chain_id": {"type": "integer"},
    "reference_type": {"type": "string"},
    "reference_id": {"type": "string"},
    "tx_hash": {"type": "string", "minLength": 1},
    "description": {"type": "string", "maxLength": 1024}
  }
}`
