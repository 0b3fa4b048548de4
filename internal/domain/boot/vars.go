package boot

// Bootloader environment variables read and written by the agent.
const (
	// VarUpgradeAvailable is "1" while a candidate slot awaits commit.
	VarUpgradeAvailable = "upgrade_available"
	// VarBootCount counts boots of the candidate slot; the bootloader increments it.
	VarBootCount = "bootcount"
	// VarBootLimit is the bootcount above which the bootloader reverts to the other slot.
	VarBootLimit = "bootlimit"
	// VarBootPart names the slot the bootloader boots next.
	VarBootPart = "mender_boot_part"
	// VarBootPartHex mirrors VarBootPart in hexadecimal for bootloader scripts.
	VarBootPartHex = "mender_boot_part_hex"
	// VarSaveEnvCanary is set by the bootloader after it saved the environment itself.
	VarSaveEnvCanary = "mender_saveenv_canary"
)

// Values of boolean-like variables.
const (
	ValueFalse = "0"
	ValueTrue  = "1"
)

// DefaultBootLimit is the number of candidate boots allowed before rollback.
const DefaultBootLimit = 1
