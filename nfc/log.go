package nfc

import "github.com/juju/loggo"

var logger = loggo.GetLogger("spooltag.nfc")
