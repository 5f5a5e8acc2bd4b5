package wiki

import (
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/corpcms/modules/wiki/infrastructure/persistence"
	"github.com/iota-uz/corpcms/modules/wiki/services"
)

// Module wires the wiki hierarchy, its access evaluator and the
// reconciliation source over the Postgres repository.
type Module struct {
	Hierarchy *services.HierarchyService
	Access    *services.AccessEvaluator
	Source    *services.PermissionSource
}

func NewModule(tx services.Transactor, log *logrus.Entry) *Module {
	repo := persistence.NewWikiRepository()
	hierarchy := services.NewHierarchyService(repo, tx, log)
	return &Module{
		Hierarchy: hierarchy,
		Access:    services.NewAccessEvaluator(repo),
		Source:    services.NewPermissionSource(hierarchy),
	}
}

func (m *Module) Name() string {
	return "wiki"
}
