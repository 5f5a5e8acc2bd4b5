package announcement

import (
	"github.com/iota-uz/corpcms/modules/announcement/infrastructure/persistence"
	"github.com/iota-uz/corpcms/modules/announcement/services"
)

type Module struct {
	Announcements *services.AnnouncementService
	Source        *services.PermissionSource
}

func NewModule() *Module {
	svc := services.NewAnnouncementService(persistence.NewAnnouncementRepository())
	return &Module{Announcements: svc, Source: services.NewPermissionSource(svc)}
}

func (m *Module) Name() string {
	return "announcement"
}
