// Package main is the entry point for tenantmeter.
//
//	@title						tenantmeter - Tenant & Usage Metering
//	@version					1.0
//	@description				Tenant registry, usage metering, plan limit enforcement and billing reconciliation.
//
//	@contact.name				tenantmeter
//	@contact.url				https://github.com/artpar/tenantmeter/issues
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@BasePath					/
//
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							header
//	@name						X-API-Key
//	@description				Tenant API key
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Identity token (format: "Bearer {jwt}")
package main

//go:generate swag init -g cmd/tenantmeter/main.go -d ../../ -o ../../docs/swagger --outputTypes go

func main() {
	Execute()
}
