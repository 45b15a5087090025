package translate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

// StatusFunc derives an external value from a received message.
type StatusFunc func(msg *rvc.Message) (string, error)

// CommandFunc maps an external value onto the value written to a field.
type CommandFunc func(value string) (string, error)

var settingMatcher = regexp.MustCompile(`^\s*(-?\d+\.?\d*)`)

var statusTransforms = map[string]StatusFunc{
	"Sts2DefBattTemp":          sts2DefBattTemp,
	"SccSts2ChgOpState":        sccSts2ChgOpState,
	"InvSts2InvEnDis":          invSts2InvEnDis,
	"PvArrayPower":             pvArrayPower,
	"InvChgSts4OutACVolt2Enum": invChgSts4OutACVolt2Enum,
	"Sts2InvFaultRecovery":     sts2InvFaultRecovery,
	"Sts2PwrSaveTime":          sts2PwrSaveTime,
	"Sts2BatteryType":          sts2BatteryType,
	"Sts2ChargerEnable":        sts2ChargerEnable,
	"Sts2TempComp":             sts2TempComp,
}

var commandTransforms = map[string]CommandFunc{
	"ChgEn2ChgCmdSts":      chgEn2ChgCmdSts,
	"StartEqlz2ChgCmdSts":  startEqlz2ChgCmdSts,
	"DefBattTemp2Cmd":      defBattTemp2Cmd,
	"InvFaultRecovery2Cmd": invFaultRecovery2Cmd,
	"PwrSaveTime2Cmd":      pwrSaveTime2Cmd,
	"BatteryType2Cmd":      batteryType2Cmd,
	"ChargerEnable2Cmd":    chargerEnable2Cmd,
	"TempComp2Cmd":         tempComp2Cmd,
}

var (
	chgEnToCmd = map[string]string{
		"On":  "Enable Charger",
		"Off": "Disable",
	}
	defBattTempToCmd = map[string]string{
		"Cold (10 deg C)": "10 deg C",
		"Warm (25 deg C)": "25 deg C",
		"Hot (40 deg C)":  "40 deg C",
	}
	stsToDefBattTemp = map[string]string{
		"10 deg C": "Cold (10 deg C)",
		"25 deg C": "Warm (25 deg C)",
		"40 deg C": "Hot (40 deg C)",
	}
	stsToFaultRecovery = map[string]string{
		"On":  "Auto",
		"Off": "Manual",
	}
	faultRecoveryToCmd = map[string]string{
		"Auto":   "On",
		"Manual": "Off",
	}
)

func chgEn2ChgCmdSts(v string) (string, error) {
	out, ok := chgEnToCmd[v]
	if !ok {
		return "", fmt.Errorf("%w: %q", rvc.ErrInvalidValue, v)
	}
	return out, nil
}

// Anything other than On leaves the charger state untouched.
func startEqlz2ChgCmdSts(v string) (string, error) {
	if v == "On" {
		return "Start Equalization", nil
	}
	return rvc.NotAvailable, nil
}

func sts2DefBattTemp(msg *rvc.Message) (string, error) {
	v, err := msg.Value("DefBattTemp")
	if err != nil {
		return "", err
	}
	if out, ok := stsToDefBattTemp[v]; ok {
		return out, nil
	}
	return v, nil
}

func defBattTemp2Cmd(v string) (string, error) {
	if out, ok := defBattTempToCmd[v]; ok {
		return out, nil
	}
	return "25 deg C", nil
}

func sccSts2ChgOpState(msg *rvc.Message) (string, error) {
	v, err := msg.Value("OpState")
	if err != nil {
		return "", err
	}
	switch v {
	case "Do Not Charge":
		return "Not Charging", nil
	case "Undefined Source Decides":
		return "Disabled", nil
	}
	return v, nil
}

// The inverter counts as enabled in every state but Disabled.
func invSts2InvEnDis(msg *rvc.Message) (string, error) {
	v, err := msg.Value("Sts")
	if err != nil {
		return "", err
	}
	if v == "Disabled" {
		return "Off", nil
	}
	return "On", nil
}

func pvArrayPower(msg *rvc.Message) (string, error) {
	volts, err := msg.Float("ArrayV")
	if err != nil {
		return rvc.NotAvailable, nil
	}
	amps, err := msg.Float("ArrayI")
	if err != nil {
		return rvc.NotAvailable, nil
	}
	return fmt.Sprintf("%.0f W", volts*amps), nil
}

// Legal nominal outputs are 108, 110 and 120 V.
func invChgSts4OutACVolt2Enum(msg *rvc.Message) (string, error) {
	v, err := msg.Value("OutACVolt")
	if err != nil {
		return "", err
	}
	m := settingMatcher.FindStringSubmatch(v)
	if m == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return v, nil
	}
	switch {
	case f < 109.0:
		return "108 V", nil
	case f > 115.0:
		return "120 V", nil
	default:
		return "110 V", nil
	}
}

func sts2InvFaultRecovery(msg *rvc.Message) (string, error) {
	v, err := msg.Value("OvrFltRecEnDis")
	if err != nil {
		return "", err
	}
	if out, ok := stsToFaultRecovery[v]; ok {
		return out, nil
	}
	return v, nil
}

func invFaultRecovery2Cmd(v string) (string, error) {
	if out, ok := faultRecoveryToCmd[v]; ok {
		return out, nil
	}
	return "", fmt.Errorf("%w: %q", rvc.ErrInvalidValue, v)
}

func sts2PwrSaveTime(msg *rvc.Message) (string, error) {
	v, err := msg.Value("PwrSvHr")
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(v, "0") {
		return "Off", nil
	}
	return v, nil
}

func pwrSaveTime2Cmd(v string) (string, error) {
	if v == "Off" {
		return "0 h", nil
	}
	return v, nil
}

const customLiIon = "Custom Li-Ion For CC/CV"

func sts2BatteryType(msg *rvc.Message) (string, error) {
	v, err := msg.Value("BattType")
	if err != nil {
		return "", err
	}
	if v == customLiIon {
		return "Custom", nil
	}
	return v, nil
}

func batteryType2Cmd(v string) (string, error) {
	if v == "Custom" {
		return customLiIon, nil
	}
	return v, nil
}

func sts2ChargerEnable(msg *rvc.Message) (string, error) {
	v, err := msg.Value("OpState")
	if err != nil {
		return "", err
	}
	if v == "Undefined Source Decides" {
		return "Off", nil
	}
	return "On", nil
}

func chargerEnable2Cmd(v string) (string, error) {
	if v == "On" {
		return "Enable Charger", nil
	}
	return "Disable", nil
}

// The field holds the magnitude; compensation is reported as negative.
func sts2TempComp(msg *rvc.Message) (string, error) {
	raw, err := msg.Raw("TempCompConst")
	if err != nil {
		return "", err
	}
	if raw == 0xFF {
		return rvc.NotAvailable, nil
	}
	return fmt.Sprintf("%d mV/degC", -int64(raw)), nil
}

func tempComp2Cmd(v string) (string, error) {
	return strings.ReplaceAll(v, "-", ""), nil
}
