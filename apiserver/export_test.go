// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

var CloseMessage = closeMessage
