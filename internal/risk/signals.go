package risk

// Signal is the typed outcome of one security check. Epoch is the session
// epoch the producing flow started under. Zero means "current" and is only
// accepted from in-process callers.
type Signal struct {
	Check  Check  `json:"check"`
	Passed bool   `json:"passed"`
	Epoch  uint64 `json:"epoch"`
}

// At stamps the signal with the epoch its flow started under.
func (s Signal) At(epoch uint64) Signal {
	s.Epoch = epoch
	return s
}

func PinResult(passed bool) Signal         { return Signal{Check: CheckPin, Passed: passed} }
func TwoFactorResult(passed bool) Signal   { return Signal{Check: CheckTwoFactor, Passed: passed} }
func WifiSafetyResult(passed bool) Signal  { return Signal{Check: CheckWifi, Passed: passed} }
func FirstActionResult(passed bool) Signal { return Signal{Check: CheckFirstAction, Passed: passed} }
func NavigationResult(passed bool) Signal  { return Signal{Check: CheckNavigation, Passed: passed} }
