package tenantstore

import (
	"bytes"
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
)

// SchemaVersion is written into every persisted tenant body. Files with an
// incompatible major version are refused at open time.
const SchemaVersion = "1.0.0"

// versionConstraint accepts any 1.x body.
var versionConstraint = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	con, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return con
}

const stateSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schema_version", "username", "results", "history", "counts", "last_updated"],
	"properties": {
		"schema_version": {"type": "string"},
		"username": {"type": "string", "minLength": 1},
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["resultado", "timestamp"],
				"properties": {
					"resultado": {"type": "integer"},
					"fecha": {"type": "string"},
					"hora": {"type": "string"},
					"timestamp": {"type": "integer"}
				}
			}
		},
		"history": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["action", "timestamp"],
				"properties": {
					"action": {"type": "string"},
					"timestamp": {"type": "integer"},
					"result_timestamp": {"type": "integer"}
				}
			}
		},
		"counts": {
			"type": "object",
			"patternProperties": {"^-?[0-9]+$": {"type": "integer", "minimum": 0}},
			"additionalProperties": false
		},
		"last_updated": {"type": "integer"}
	}
}`

var stateSchema = jsonschema.MustCompileString("tenantstate.json", stateSchemaJSON)

// decodeState validates a decrypted body against the schema and the version
// constraint before decoding it. Any violation is an integrity fault: the
// file exists but cannot be trusted.
func decodeState(body []byte, username string) (*state, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fault.Wrap(fault.Integrity, "tenant body is not valid JSON", err)
	}
	if err := stateSchema.Validate(generic); err != nil {
		return nil, fault.Wrap(fault.Integrity, "tenant body failed schema validation", err)
	}

	var st state
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fault.Wrap(fault.Integrity, "tenant body failed to decode", err)
	}
	ver, err := semver.NewVersion(st.SchemaVersion)
	if err != nil {
		return nil, fault.Wrap(fault.Integrity, "tenant body carries an invalid schema version", err)
	}
	if !versionConstraint.Check(ver) {
		return nil, fault.Newf(fault.Integrity, "tenant body schema version %s is unsupported", st.SchemaVersion)
	}
	if st.Username != username {
		return nil, fault.New(fault.Integrity, "tenant body belongs to a different user")
	}
	st.normalize()
	return &st, nil
}
