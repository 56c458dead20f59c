//go:build embed_model

package provider

import "embed"

const hasEmbeddedModel = true

//go:embed all:models
var embeddedModelFS embed.FS
