package abi

import _ "embed"

// Standard token ABIs used to derive event topics at startup.

//go:embed erc20.json
var ERC20 []byte

//go:embed erc721.json
var ERC721 []byte
