// Package docs provides generated OpenAPI documentation.
//
// Codex API
//
//	@title			Codex API
//	@version		1.0
//	@description	Coordinator for batched document analysis and translation jobs.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/codex
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/codex/serve.go -o ./swagger --parseDependency --parseInternal
