package ingest

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/canopyhq/canopy/errors"
	"github.com/canopyhq/canopy/session"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaFiles maps each payload kind to its schema. Climate shares the
// environmental parameters schema; health and actuator telemetry share
// the sensor telemetry shape.
var schemaFiles = map[string]string{
	string(session.CategoryBaseInfo):        "base_info.json",
	string(session.CategoryManagement):      "management.json",
	string(session.CategoryEnvironmental):   "environmental_parameters.json",
	string(session.CategoryClimate):         "environmental_parameters.json",
	string(session.CategoryHardware):        "hardware.json",
	string(session.CategoryChaosParameters): "chaos_parameters.json",
	string(session.CategoryNycthemeral):     "nycthemeral_config.json",
	string(session.CategoryActuatorsState):  "actuators_state.json",
	"telemetry":                             "telemetry.json",
	"buffered":                              "buffered.json",
}

// Validator holds the compiled schemas, one per payload kind.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	logger  *slog.Logger
	metrics *Metrics
}

// NewValidator compiles every embedded schema. Compilation failures are
// programming errors and fail construction.
func NewValidator(logger *slog.Logger, metrics *Metrics) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	schemas := make(map[string]*gojsonschema.Schema, len(schemaFiles))
	for kind, file := range schemaFiles {
		raw, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", file)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", file)
		}
		schemas[kind] = schema
	}

	return &Validator{
		schemas: schemas,
		logger:  logger.With("component", "ingest"),
		metrics: metrics,
	}, nil
}

// Validate checks raw against the schema for kind. On mismatch the
// per-field messages are logged with the originating event and an invalid
// error is returned; the caller drops the message without tearing the
// connection down.
func (v *Validator) Validate(kind string, raw json.RawMessage) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("no schema for %q", kind), "Validator", "Validate", "lookup schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		v.metrics.validationFailure(kind)
		return errors.WrapInvalid(err, "Validator", "Validate", kind)
	}
	if result.Valid() {
		return nil
	}

	fields := make([]string, 0, len(result.Errors()))
	for _, fieldErr := range result.Errors() {
		fields = append(fields, fieldErr.String())
	}
	v.logger.Warn("payload failed validation", "event", kind, "errors", fields)
	v.metrics.validationFailure(kind)
	return errors.WrapInvalid(
		fmt.Errorf("%d field error(s)", len(fields)),
		"Validator", "Validate", kind)
}
