package cmd

import (
	"fmt"
)

const banner = `
 __     __    _           ____       _
 \ \   / /__ (_) ___ ___ / ___| __ _| |_ ___
  \ \ / / _ \| |/ __/ _ \ |  _ / _` + "`" + ` | __/ _ \
   \ V / (_) | | (_|  __/ |_| | (_| | ||  __/
    \_/ \___/|_|\___\___|\____|\__,_|\__\___|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Voice-Verified Authentication - Version %s\x1b[0m\n\n", Version)
}
