package notify

const (
	defaultTitle = "3D Drucker"
	defaultBody  = "Status Update"
	defaultTag   = "printer-notification"
	defaultIcon  = "/static/icon-192x192.png"
	defaultBadge = "/static/favicon-32x32.png"
)

var defaultVibrate = []int{100, 50, 100}

type Type string

const (
	PrintStarted   Type = "print_started"
	PrintCompleted Type = "print_completed"
	PrintFailed    Type = "print_failed"
	FilamentLow    Type = "filament_low"
	MaintenanceDue Type = "maintenance_due"
)

// template is the title and urgency of a notification type.
type template struct {
	Title string
	// Body used when the payload has none.
	Body               string
	RequireInteraction bool
	Actions            []Action
}

var templates = map[Type]template{
	PrintStarted: {
		Title: "🖨️ Druck gestartet",
		Actions: []Action{
			{Action: ActionView, Title: "Anzeigen"},
			{Action: ActionClose, Title: "OK"},
		},
	},
	PrintCompleted: {
		Title:              "✅ Druck abgeschlossen",
		RequireInteraction: true,
		Actions: []Action{
			{Action: ActionView, Title: "Details"},
			{Action: ActionPoweroff, Title: "Ausschalten"},
		},
	},
	PrintFailed: {
		Title:              "❌ Druck fehlgeschlagen",
		RequireInteraction: true,
	},
	FilamentLow: {
		Title: "⚠️ Filament niedrig",
		Body:  "Filament bald leer!",
	},
	MaintenanceDue: {
		Title:              "🔧 Wartung fällig",
		Body:               "Wartung erforderlich",
		RequireInteraction: true,
		Actions: []Action{
			{Action: ActionView, Title: "Anzeigen"},
		},
	},
}

// defaultTemplate is used for unknown types.
var defaultTemplate = template{Title: defaultTitle}

func lookup(t Type) (template, bool) {
	tmpl, ok := templates[t]
	if !ok {
		return defaultTemplate, false
	}
	return tmpl, true
}
