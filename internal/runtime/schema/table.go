package schema

import (
	"embed"
	"sort"
	"sync"
)

// Names of the JSON schemas shipped with the bridge.
const (
	GenericJSON             = "GENERIC_JSON"
	IkeaDimmerJSONSchema    = "IKEA_DIMMER_JSON_SCHEMA"
	MotionSensorJSONSchema  = "MOTION_SENSOR_JSON_SCHEMA"
	ContactSensorJSONSchema = "CONTACT_SENSOR_JSON_SCHEMA"
	ClimateSensorJSONSchema = "CLIMATE_SENSOR_JSON_SCHEMA"
)

//go:embed jsonschemas/*.json
var fixtures embed.FS

var fixtureFiles = map[string]string{
	GenericJSON:             "jsonschemas/generic.json",
	IkeaDimmerJSONSchema:    "jsonschemas/ikea_dimmer.json",
	MotionSensorJSONSchema:  "jsonschemas/motion_sensor.json",
	ContactSensorJSONSchema: "jsonschemas/contact_sensor.json",
	ClimateSensorJSONSchema: "jsonschemas/climate_sensor.json",
}

// JSONSchemaTable maps schema names to JSON schema text. A table is never
// modified after construction.
type JSONSchemaTable struct {
	schemas map[string][]byte
}

// NewJSONSchemaTable copies the supplied schemas into a table.
func NewJSONSchemaTable(schemas map[string][]byte) JSONSchemaTable {
	table := JSONSchemaTable{schemas: make(map[string][]byte, len(schemas))}
	for name, text := range schemas {
		table.schemas[name] = append([]byte(nil), text...)
	}
	return table
}

var defaultTable = sync.OnceValue(func() JSONSchemaTable {
	schemas := make(map[string][]byte, len(fixtureFiles))
	for name, file := range fixtureFiles {
		text, err := fixtures.ReadFile(file)
		if err != nil {
			panic("foxbridge: missing embedded json schema " + file)
		}
		schemas[name] = text
	}
	return JSONSchemaTable{schemas: schemas}
})

// DefaultJSONSchemas returns the fixture table shipped with the bridge.
func DefaultJSONSchemas() JSONSchemaTable {
	return defaultTable()
}

// Lookup returns a copy of the schema registered under name.
func (t JSONSchemaTable) Lookup(name string) ([]byte, bool) {
	text, ok := t.schemas[name]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), text...), true
}

// Names lists the registered schema names in sorted order.
func (t JSONSchemaTable) Names() []string {
	names := make([]string, 0, len(t.schemas))
	for name := range t.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
