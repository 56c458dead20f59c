package command

import (
	"context"
	"encoding/json"

	"github.com/artresearch/idios/domain/fault"
)

// defaultSearchLimit is the wire default for search commands.
const defaultSearchLimit = 10

// Execute routes one wire command to its implementation. Workers and the
// embedded dispatcher share this table; command names and positional
// argument order are the wire contract shared with existing clients.
func (c *Commands) Execute(ctx context.Context, command string, args []json.RawMessage) (any, error) {
	switch command {
	case "insert_images":
		var (
			model      string
			urls       []string
			metadatas  []json.RawMessage
			embeddings [][]float32
		)
		replace := true
		if err := decodeArgs(command, args, 3, &model, &urls, &metadatas, &embeddings, &replace); err != nil {
			return nil, err
		}
		return c.InsertImages(ctx, model, urls, metadatas, embeddings, replace)

	case "search_by_url":
		var model, url string
		limit := defaultSearchLimit
		if err := decodeArgs(command, args, 2, &model, &url, &limit); err != nil {
			return nil, err
		}
		return c.SearchByURL(ctx, model, url, limit)

	case "search_by_text":
		var model, text string
		limit := defaultSearchLimit
		if err := decodeArgs(command, args, 2, &model, &text, &limit); err != nil {
			return nil, err
		}
		return c.SearchByText(ctx, model, text, limit)

	case "compare":
		var model, left, right string
		if err := decodeArgs(command, args, 3, &model, &left, &right); err != nil {
			return nil, err
		}
		return c.Compare(ctx, model, left, right)

	case "list_images":
		var (
			model        string
			cursor       string
			limit        int
			outputFields []string
		)
		if err := decodeArgs(command, args, 1, &model, &cursor, &limit, &outputFields); err != nil {
			return nil, err
		}
		return c.ListImages(ctx, model, cursor, limit, outputFields)

	case "count":
		var model string
		if err := decodeArgs(command, args, 1, &model); err != nil {
			return nil, err
		}
		return c.Count(ctx, model)

	case "remove_images":
		var model string
		var urls []string
		if err := decodeArgs(command, args, 2, &model, &urls); err != nil {
			return nil, err
		}
		return nil, c.RemoveImages(ctx, model, urls)

	case "ping":
		if err := decodeArgs(command, args, 0); err != nil {
			return nil, err
		}
		return c.Ping(), nil

	default:
		return nil, fault.Server("unknown command: %s", command)
	}
}

// decodeArgs unmarshals positional wire arguments into targets. Missing
// trailing arguments and JSON nulls leave their target untouched so defaults
// survive; surplus arguments are rejected.
func decodeArgs(command string, args []json.RawMessage, required int, targets ...any) error {
	if len(args) < required {
		return fault.Parameter("%s expects at least %d arguments, got %d", command, required, len(args))
	}
	if len(args) > len(targets) {
		return fault.Parameter("%s expects at most %d arguments, got %d", command, len(targets), len(args))
	}
	for i, raw := range args {
		if isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return fault.Parameter("%s argument %d: %v", command, i, err)
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
