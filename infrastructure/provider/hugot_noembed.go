//go:build !embed_model

package provider

import "embed"

const hasEmbeddedModel = false

// embeddedModelFS is empty without the embed_model build tag; Hugot then
// requires model files on disk.
var embeddedModelFS embed.FS
