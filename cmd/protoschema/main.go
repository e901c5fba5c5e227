package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"lockstep/server/internal/net/proto"
)

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	for name, schema := range buildSchemas() {
		if err := writeSchema(filepath.Join(outDir, name), schema); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write schema %s: %v\n", name, err)
			os.Exit(1)
		}
	}
}

func buildSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}

	client := reflector.Reflect(new(proto.ClientMessage))
	client.Title = "Lockstep Client Message"
	client.Description = fmt.Sprintf("Frames sent by participants, protocol version %d", proto.Version)

	server := reflector.Reflect(new(proto.ServerMessage))
	server.Title = "Lockstep Server Message"
	server.Description = fmt.Sprintf("Frames sent by the relay, protocol version %d", proto.Version)

	return map[string]*jsonschema.Schema{
		"client-message.schema.json": client,
		"server-message.schema.json": server,
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
