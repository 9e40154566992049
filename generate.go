//go:generate go run ./internal/tools/bootstrapgen -o deploy -force

package moorage
