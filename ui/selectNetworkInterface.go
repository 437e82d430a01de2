// ui/selectNetworkInterface.go
package ui

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrNoInterfaces is returned when no interface can host the classifiers.
var ErrNoInterfaces = errors.New("no usable network interfaces found")

// SelectNetworkInterface prompts the user to pick the interface to isolate.
func SelectNetworkInterface() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list network interfaces: %w", err)
	}

	// Filter out interfaces that are down or loopback
	choices := []huh.Option[string]{}
	for _, iface := range ifaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		addrStrs := []string{}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				addrStrs = append(addrStrs, ipNet.IP.String())
			}
		}
		pretty := fmt.Sprintf("%s (%s)", iface.Name, strings.Join(addrStrs, ", "))
		choices = append(choices, huh.NewOption(pretty, iface.Name))
	}

	if len(choices) == 0 {
		return "", ErrNoInterfaces
	}

	var selected string
	form := huh.NewSelect[string]().
		Title("Select the interface to isolate").
		Options(choices...).
		Value(&selected)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("interface selection: %w", err)
	}
	return selected, nil
}
