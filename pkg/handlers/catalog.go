// Package handlers contains the built-in handlers every bot ships with
package handlers

import (
	"github.com/aeolun/superbot/pkg/client"
)

// Catalog returns the built-in handlers by name
func Catalog() client.Catalog {
	return client.Catalog{
		"keepalive": NewKeepalive,
		"channels":  NewChannels,
		"admin":     NewAdmin,
	}
}
