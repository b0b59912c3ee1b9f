package logging

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	green = "\033[32m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  ____  _                                _            _    `,
	` / ___|| |_ _ __ ___  __ _ _ __ ___   __| | ___   ___| | __`,
	` \___ \| __| '__/ _ \/ _` + "`" + ` | '_ ` + "`" + ` _ \ / _` + "`" + ` |/ _ \ / __| |/ /`,
	`  ___) | |_| | |  __/ (_| | | | | | | (_| | (_) | (__|   < `,
	` |____/ \__|_|  \___|\__,_|_| |_| |_|\__,_|\___/ \___|_|\_\`,
	`                                                           `,
}

// PrintBanner prints the Streamdock ASCII art logo with the version and
// listen address below it. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := stderrIsTTY()

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %smode%s %s   %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, mode, dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  mode %s   version %s   addr %s\n\n", mode, ver, addr)
	}
}

// PrintAccessURL prints the URL the server is reachable at, with a QR code
// for phone access when stderr is a TTY.
func PrintAccessURL(addr string) {
	url := accessURL(addr)
	if url == "" {
		return
	}

	if stderrIsTTY() {
		qrterminal.GenerateWithConfig(url, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stderr,
			QuietZone: 1,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
		fmt.Fprintf(os.Stderr, "\n  %sopen%s %s%s%s\n\n", dim, reset, bold+green, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  open %s\n\n", url)
	}
}

// accessURL turns a listen address like ":8170" into a browsable URL,
// substituting a non-loopback interface address for a wildcard host.
func accessURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

// outboundIP returns the preferred local IP, falling back to localhost.
// The UDP dial sends no packets; it only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "localhost"
}
