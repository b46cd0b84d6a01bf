package sentinel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"casparianflow/internal/protocol"
)

// sinkConfigYAML mirrors protocol.SinkSpec with explicit yaml tags:
// protocol.SinkSpec itself only carries json tags for the wire format, and
// yaml.v3 does not fall back to them, so the on-disk topic config gets its
// own small shape translated into protocol.SinkSpec below.
type sinkConfigYAML struct {
	OutputName string `yaml:"output_name"`
	SinkURI    string `yaml:"sink_uri"`
	Mode       string `yaml:"mode"`
}

// topicsFile is the on-disk shape of the topic-config map: parser_name ->
// the sinks that parser writes to by default.
type topicsFile struct {
	Topics map[string][]sinkConfigYAML `yaml:"topics"`
}

// LoadTopicMap reads the parser_name -> [sink_config] map from path once at
// startup (spec.md §4.8: "loaded once at startup ... not queried
// per-dispatch"). A missing path is not an error: jobs are then expected to
// carry their own Sinks at enqueue time.
func LoadTopicMap(path string) (map[string][]protocol.SinkSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read topic config %s: %w", path, err)
	}

	var f topicsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse topic config %s: %w", path, err)
	}

	topics := make(map[string][]protocol.SinkSpec, len(f.Topics))
	for parserName, sinks := range f.Topics {
		converted := make([]protocol.SinkSpec, len(sinks))
		for i, s := range sinks {
			converted[i] = protocol.SinkSpec{OutputName: s.OutputName, SinkURI: s.SinkURI, Mode: protocol.SinkMode(s.Mode)}
		}
		topics[parserName] = converted
	}
	return topics, nil
}
