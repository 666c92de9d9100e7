// Package plugins assembles the compiled-in plugin catalog.
package plugins

import (
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/plugins/bravesearch"
	"github.com/user/scout/internal/plugins/gptimage"
	"github.com/user/scout/internal/plugins/memory"
	"github.com/user/scout/internal/plugins/openai"
	"github.com/user/scout/internal/plugins/shell"
	"github.com/user/scout/internal/plugins/telegram"
	"github.com/user/scout/internal/plugins/webfetch"
)

// Catalog returns every built-in plugin module.
func Catalog() plugin.Catalog {
	return plugin.NewCatalog(
		telegram.Module,
		openai.Module,
		gptimage.Module,
		bravesearch.Module,
		webfetch.Module,
		memory.Module,
		shell.Module,
	)
}
