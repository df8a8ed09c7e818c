// Copyright (C) The sc2ts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/szhan/sc2ts"

func main() {
	sc2ts.Main()
}
