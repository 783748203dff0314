package model

import (
	"fmt"
	"time"
)

// DefaultAgentPort is the port monitoring agents listen on unless a server says otherwise
const DefaultAgentPort = 5000

// ServerDetails identifies a monitored host and its agent endpoint
type ServerDetails struct {
	ID              string    `json:"server_details_id"`
	Name            string    `json:"server_name" validate:"required,max=100"`
	IPAddress       string    `json:"ip_address" validate:"required,ip|hostname"`
	Port            int       `json:"port" validate:"gte=0,lte=65535"`
	OperatingSystem string    `json:"operating_system" validate:"required"`
	Location        string    `json:"location"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_date"`
	UpdatedAt       time.Time `json:"updated_date"`
	Deleted         bool      `json:"is_delete"`
}

// AgentBaseURL returns the agent root URL, falling back to defaultPort when no port is set.
func (s *ServerDetails) AgentBaseURL(defaultPort int) string {
	port := s.Port
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		port = DefaultAgentPort
	}
	return fmt.Sprintf("http://%s:%d", s.IPAddress, port)
}
