//go:build wireinject
// +build wireinject

package di

import (
	"github.com/MarcoPoloResearchLab/timetracker/internal/app"
	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/users"
	wire "github.com/google/wire"
	"go.uber.org/zap"
)

func InitServer(cfg config.AppConfig, logger *zap.Logger) (*ServerRuntime, func(), error) {

	wire.Build(serverSet)

	return nil, nil, nil
}

func InitAccounts(cfg config.AppConfig, logger *zap.Logger) (*users.Service, func(), error) {

	wire.Build(accountSet)

	return nil, nil, nil
}

func InitClient(cfg config.AppConfig, logger *zap.Logger) (*app.Client, func(), error) {

	wire.Build(clientSet, ProvideClient)

	return nil, nil, nil
}

func InitTools(cfg config.AppConfig, logger *zap.Logger) (*Tools, func(), error) {

	wire.Build(clientSet, ProvideTools)

	return nil, nil, nil
}
