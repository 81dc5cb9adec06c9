package dynprop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSubtree reads an authoritative snapshot of the subtree under root
// from source and decodes it into target, a pointer to a struct or map.
// Slash-separated keys become nested fields matched by `dynprop` tags;
// string payloads convert leniently into numbers, booleans, durations and
// comma-separated slices.
//
// The read bypasses any local mirror, so the decoded state is at least as
// fresh as the store at call time.
func DecodeSubtree(ctx context.Context, source PropertySource, root string, target any) error {
	props, err := source.ReadAllSubtreeProperties(ctx, root)
	if err != nil {
		return fmt.Errorf("read subtree %q: %w", root, err)
	}

	nested := make(map[string]any)
	for key, value := range props {
		setNestedValue(nested, key, value)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "dynprop",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("decoder creation failed: %w", err)
	}
	if err := decoder.Decode(nested); err != nil {
		return fmt.Errorf("decode subtree %q: %w", root, err)
	}
	return nil
}

// setNestedValue sets a value in a nested map using a slash-separated path.
func setNestedValue(nested map[string]any, path string, value any) {
	segments := strings.Split(path, "/")

	if len(segments) == 1 {
		nested[segments[0]] = value
		return
	}

	current, exists := nested[segments[0]]
	currentMap, isMap := current.(map[string]any)
	if !exists || !isMap {
		currentMap = make(map[string]any)
		nested[segments[0]] = currentMap
	}

	setNestedValue(currentMap, strings.Join(segments[1:], "/"), value)
}
