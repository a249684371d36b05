// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"

	"github.com/zapline/zapflash/cmd/zapflash/commands"
)

var (
	version   = "v0.9.0"
	buildDate = "unknown"
	buildMode = "development"
)

func main() {
	info := commands.Info{
		Version: version,
		Date:    buildDate,
	}
	ctx := commands.SetInfo(context.Background(), info)
	cmd := commands.ZapflashCmd(info, buildMode == "release")
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
