package flow

import "github.com/BTreeMap/AgentRelay/internal/models"

// Menu inputs recognized on the trimmed message.
const (
	MenuCustomerService = "1"
	MenuSales           = "2"
	MenuDisconnect      = "3"
)

const defaultMenu = "Silakan pilih layanan:\n1. Customer Service\n2. Sales\n3. Akhiri percakapan dengan agen"

// Replies holds the fixed user-facing texts.
type Replies struct {
	Welcome                  string `yaml:"welcome"`
	ConnectedCustomerService string `yaml:"connected_customer_service"`
	ConnectedSales           string `yaml:"connected_sales"`
	Disconnected             string `yaml:"disconnected"`
	InvalidChoice            string `yaml:"invalid_choice"`
	AgentError               string `yaml:"agent_error"`
	SystemError              string `yaml:"system_error"`
}

// DefaultReplies returns the built-in Indonesian texts.
func DefaultReplies() Replies {
	return Replies{
		Welcome:                  "Halo! Selamat datang.\n" + defaultMenu,
		ConnectedCustomerService: "Anda sekarang terhubung dengan Customer Service. Silakan sampaikan pertanyaan Anda.",
		ConnectedSales:           "Anda sekarang terhubung dengan tim Sales. Silakan sampaikan kebutuhan Anda.",
		Disconnected:             "Percakapan dengan agen telah diakhiri.\n" + defaultMenu,
		InvalidChoice:            "Pilihan tidak valid. " + defaultMenu,
		AgentError:               "Maaf, terjadi kesalahan saat menghubungi agen. Silakan coba lagi nanti.",
		SystemError:              "Maaf, terjadi kesalahan sistem. Silakan coba beberapa saat lagi.",
	}
}

// WithDefaults fills every empty text from DefaultReplies.
func (r Replies) WithDefaults() Replies {
	d := DefaultReplies()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&r.Welcome, d.Welcome)
	fill(&r.ConnectedCustomerService, d.ConnectedCustomerService)
	fill(&r.ConnectedSales, d.ConnectedSales)
	fill(&r.Disconnected, d.Disconnected)
	fill(&r.InvalidChoice, d.InvalidChoice)
	fill(&r.AgentError, d.AgentError)
	fill(&r.SystemError, d.SystemError)
	return r
}

// connected returns the confirmation text for a freshly bound agent.
func (r Replies) connected(agent models.AgentType) string {
	if agent == models.AgentSales {
		return r.ConnectedSales
	}
	return r.ConnectedCustomerService
}

// menuChoice maps a trimmed message to the agent it selects.
func menuChoice(message string) (models.AgentType, bool) {
	switch message {
	case MenuCustomerService:
		return models.AgentCustomerService, true
	case MenuSales:
		return models.AgentSales, true
	case MenuDisconnect:
		return models.AgentNone, true
	default:
		return models.AgentNone, false
	}
}
