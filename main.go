// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/cruunnerr/ha-vds2465-server/cmd"

func main() {
	cmd.Execute()
}
