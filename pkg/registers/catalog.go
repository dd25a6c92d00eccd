package registers

// Field names a catalog register and the key the cloud API uses for it.
type Field struct {
	Name        string
	APIKey      string
	Unit        string
	DeviceClass string
	Def         Definition
	// Lifetime marks monotonically increasing energy counters.
	Lifetime bool
}

// Battery module block layout of the inverter.
const (
	BatteryModuleBase   uint16 = 5002
	BatteryModuleStride uint16 = 30
	MaxBatteryModules          = 8
)

// Holding registers read outside the parameter ranges.
const (
	HoldFirmwareCode   uint16 = 9
	HoldDeviceTypeCode uint16 = 19
	HoldParallelNumber uint16 = 113
	HoldParallelPhase  uint16 = 114
)

// Offsets inside a battery module block.
const (
	ModuleSerialOffset uint16 = 17
	ModuleSerialWords         = 7
)

// BatteryCountField holds the number of battery modules reported by the BMS.
var BatteryCountField = Field{Name: "battery_count", APIKey: "batParallelNum", Def: U16(96, 1)}

var RuntimeFields = []Field{
	{Name: "status", APIKey: "status", Def: U16(0, 1)},
	{Name: "pv1_voltage", APIKey: "vpv1", Unit: "V", DeviceClass: "voltage", Def: U16(1, 10)},
	{Name: "pv2_voltage", APIKey: "vpv2", Unit: "V", DeviceClass: "voltage", Def: U16(2, 10)},
	{Name: "pv3_voltage", APIKey: "vpv3", Unit: "V", DeviceClass: "voltage", Def: U16(3, 10)},
	{Name: "battery_voltage", APIKey: "vBat", Unit: "V", DeviceClass: "voltage", Def: U16(4, 10)},
	{Name: "soc", APIKey: "soc", Unit: "%", DeviceClass: "battery", Def: Low(5)},
	{Name: "soh", APIKey: "soh", Unit: "%", Def: High(5)},
	{Name: "pv1_power", APIKey: "ppv1", Unit: "W", DeviceClass: "power", Def: U16(7, 1)},
	{Name: "pv2_power", APIKey: "ppv2", Unit: "W", DeviceClass: "power", Def: U16(8, 1)},
	{Name: "pv3_power", APIKey: "ppv3", Unit: "W", DeviceClass: "power", Def: U16(9, 1)},
	{Name: "charge_power", APIKey: "pCharge", Unit: "W", DeviceClass: "power", Def: U16(10, 1)},
	{Name: "discharge_power", APIKey: "pDisCharge", Unit: "W", DeviceClass: "power", Def: U16(11, 1)},
	{Name: "grid_voltage_r", APIKey: "vacr", Unit: "V", DeviceClass: "voltage", Def: U16(12, 10)},
	{Name: "grid_voltage_s", APIKey: "vacs", Unit: "V", DeviceClass: "voltage", Def: U16(13, 10)},
	{Name: "grid_voltage_t", APIKey: "vact", Unit: "V", DeviceClass: "voltage", Def: U16(14, 10)},
	{Name: "grid_frequency", APIKey: "fac", Unit: "Hz", DeviceClass: "frequency", Def: U16(15, 100)},
	{Name: "inverter_power", APIKey: "pinv", Unit: "W", DeviceClass: "power", Def: U16(16, 1)},
	{Name: "rectifier_power", APIKey: "prec", Unit: "W", DeviceClass: "power", Def: U16(17, 1)},
	{Name: "inverter_current", APIKey: "iinvrms", Unit: "A", DeviceClass: "current", Def: U16(18, 100)},
	{Name: "power_factor", APIKey: "pf", DeviceClass: "power_factor", Def: U16(19, 1000)},
	{Name: "eps_voltage_r", APIKey: "vepsr", Unit: "V", DeviceClass: "voltage", Def: U16(20, 10)},
	{Name: "eps_voltage_s", APIKey: "vepss", Unit: "V", DeviceClass: "voltage", Def: U16(21, 10)},
	{Name: "eps_voltage_t", APIKey: "vepst", Unit: "V", DeviceClass: "voltage", Def: U16(22, 10)},
	{Name: "eps_frequency", APIKey: "feps", Unit: "Hz", DeviceClass: "frequency", Def: U16(23, 100)},
	{Name: "eps_power", APIKey: "peps", Unit: "W", DeviceClass: "power", Def: U16(24, 1)},
	{Name: "eps_apparent_power", APIKey: "seps", Unit: "VA", DeviceClass: "apparent_power", Def: U16(25, 1)},
	{Name: "power_to_grid", APIKey: "pToGrid", Unit: "W", DeviceClass: "power", Def: U16(26, 1)},
	{Name: "power_to_user", APIKey: "pToUser", Unit: "W", DeviceClass: "power", Def: U16(27, 1)},
	{Name: "bus1_voltage", APIKey: "vBus1", Unit: "V", DeviceClass: "voltage", Def: U16(38, 10)},
	{Name: "bus2_voltage", APIKey: "vBus2", Unit: "V", DeviceClass: "voltage", Def: U16(39, 10)},
	{Name: "fault_code", APIKey: "faultCode", Def: U32(60, 1)},
	{Name: "warning_code", APIKey: "warningCode", Def: U32(62, 1)},
	{Name: "internal_temperature", APIKey: "tinner", Unit: "°C", DeviceClass: "temperature", Def: S16(64, 1)},
	{Name: "radiator1_temperature", APIKey: "tradiator1", Unit: "°C", DeviceClass: "temperature", Def: S16(65, 1)},
	{Name: "radiator2_temperature", APIKey: "tradiator2", Unit: "°C", DeviceClass: "temperature", Def: S16(66, 1)},
	{Name: "battery_temperature", APIKey: "tBat", Unit: "°C", DeviceClass: "temperature", Def: S16(67, 1)},
	{Name: "uptime", APIKey: "runningTime", Unit: "s", DeviceClass: "duration", Def: U32(69, 1)},
}

var EnergyFields = []Field{
	{Name: "pv1_energy_today", APIKey: "ePv1Day", Unit: "kWh", DeviceClass: "energy", Def: U16(28, 10)},
	{Name: "pv2_energy_today", APIKey: "ePv2Day", Unit: "kWh", DeviceClass: "energy", Def: U16(29, 10)},
	{Name: "pv3_energy_today", APIKey: "ePv3Day", Unit: "kWh", DeviceClass: "energy", Def: U16(30, 10)},
	{Name: "inverter_energy_today", APIKey: "eInvDay", Unit: "kWh", DeviceClass: "energy", Def: U16(31, 10)},
	{Name: "rectifier_energy_today", APIKey: "eRecDay", Unit: "kWh", DeviceClass: "energy", Def: U16(32, 10)},
	{Name: "charge_energy_today", APIKey: "eChgDay", Unit: "kWh", DeviceClass: "energy", Def: U16(33, 10)},
	{Name: "discharge_energy_today", APIKey: "eDisChgDay", Unit: "kWh", DeviceClass: "energy", Def: U16(34, 10)},
	{Name: "eps_energy_today", APIKey: "eEpsDay", Unit: "kWh", DeviceClass: "energy", Def: U16(35, 10)},
	{Name: "export_energy_today", APIKey: "eToGridDay", Unit: "kWh", DeviceClass: "energy", Def: U16(36, 10)},
	{Name: "import_energy_today", APIKey: "eToUserDay", Unit: "kWh", DeviceClass: "energy", Def: U16(37, 10)},
	{Name: "pv1_energy_total", APIKey: "ePv1All", Unit: "kWh", DeviceClass: "energy", Def: U32(40, 10), Lifetime: true},
	{Name: "pv2_energy_total", APIKey: "ePv2All", Unit: "kWh", DeviceClass: "energy", Def: U32(42, 10), Lifetime: true},
	{Name: "pv3_energy_total", APIKey: "ePv3All", Unit: "kWh", DeviceClass: "energy", Def: U32(44, 10), Lifetime: true},
	{Name: "inverter_energy_total", APIKey: "eInvAll", Unit: "kWh", DeviceClass: "energy", Def: U32(46, 10), Lifetime: true},
	{Name: "rectifier_energy_total", APIKey: "eRecAll", Unit: "kWh", DeviceClass: "energy", Def: U32(48, 10), Lifetime: true},
	{Name: "charge_energy_total", APIKey: "eChgAll", Unit: "kWh", DeviceClass: "energy", Def: U32(50, 10), Lifetime: true},
	{Name: "discharge_energy_total", APIKey: "eDisChgAll", Unit: "kWh", DeviceClass: "energy", Def: U32(52, 10), Lifetime: true},
	{Name: "eps_energy_total", APIKey: "eEpsAll", Unit: "kWh", DeviceClass: "energy", Def: U32(54, 10), Lifetime: true},
	{Name: "export_energy_total", APIKey: "eToGridAll", Unit: "kWh", DeviceClass: "energy", Def: U32(56, 10), Lifetime: true},
	{Name: "import_energy_total", APIKey: "eToUserAll", Unit: "kWh", DeviceClass: "energy", Def: U32(58, 10), Lifetime: true},
}

var BatteryBankFields = []Field{
	{Name: "soc", APIKey: "soc", Unit: "%", DeviceClass: "battery", Def: Low(5)},
	{Name: "soh", APIKey: "soh", Unit: "%", Def: High(5)},
	{Name: "battery_voltage", APIKey: "vBat", Unit: "V", DeviceClass: "voltage", Def: U16(4, 10)},
	{Name: "bms_max_charge_current", APIKey: "maxChgCurr", Unit: "A", DeviceClass: "current", Def: U16(81, 100)},
	{Name: "bms_max_discharge_current", APIKey: "maxDischgCurr", Unit: "A", DeviceClass: "current", Def: U16(82, 100)},
	{Name: "bms_charge_voltage_ref", APIKey: "chargeVoltRef", Unit: "V", DeviceClass: "voltage", Def: U16(83, 10)},
	{Name: "bms_discharge_cutoff", APIKey: "dischgCutVolt", Unit: "V", DeviceClass: "voltage", Def: U16(84, 10)},
	BatteryCountField,
	{Name: "battery_capacity", APIKey: "batCapacity", Unit: "Ah", Def: U16(97, 1)},
	{Name: "battery_current", APIKey: "batCurrent", Unit: "A", DeviceClass: "current", Def: S16(98, 100)},
	{Name: "max_cell_voltage", APIKey: "maxCellVolt", Unit: "V", DeviceClass: "voltage", Def: U16(101, 1000)},
	{Name: "min_cell_voltage", APIKey: "minCellVolt", Unit: "V", DeviceClass: "voltage", Def: U16(102, 1000)},
	{Name: "max_cell_temperature", APIKey: "maxCellTemp", Unit: "°C", DeviceClass: "temperature", Def: S16(103, 10)},
	{Name: "min_cell_temperature", APIKey: "minCellTemp", Unit: "°C", DeviceClass: "temperature", Def: S16(104, 10)},
	{Name: "cycle_count", APIKey: "cycleCnt", Def: U16(106, 1)},
}

var BatteryModuleFields = []Field{
	{Name: "voltage", APIKey: "totalVoltage", Unit: "V", DeviceClass: "voltage", Def: Module(0, 16, 100, false, PackingNone)},
	{Name: "current", APIKey: "current", Unit: "A", DeviceClass: "current", Def: Module(1, 16, 10, true, PackingNone)},
	{Name: "soc", APIKey: "soc", Unit: "%", DeviceClass: "battery", Def: Module(2, 16, 1, false, PackingLowByte)},
	{Name: "soh", APIKey: "soh", Unit: "%", Def: Module(2, 16, 1, false, PackingHighByte)},
	{Name: "cycle_count", APIKey: "cycleCnt", Def: Module(3, 16, 1, false, PackingNone)},
	{Name: "max_cell_voltage", APIKey: "batMaxCellVoltage", Unit: "V", DeviceClass: "voltage", Def: Module(4, 16, 1000, false, PackingNone)},
	{Name: "min_cell_voltage", APIKey: "batMinCellVoltage", Unit: "V", DeviceClass: "voltage", Def: Module(5, 16, 1000, false, PackingNone)},
	{Name: "max_cell_temperature", APIKey: "batMaxCellTemp", Unit: "°C", DeviceClass: "temperature", Def: Module(6, 16, 10, true, PackingNone)},
	{Name: "min_cell_temperature", APIKey: "batMinCellTemp", Unit: "°C", DeviceClass: "temperature", Def: Module(7, 16, 10, true, PackingNone)},
	{Name: "full_capacity", APIKey: "fullCapacity", Unit: "Ah", Def: Module(8, 16, 10, false, PackingNone)},
	{Name: "remaining_capacity", APIKey: "remainCapacity", Unit: "Ah", Def: Module(9, 16, 10, false, PackingNone)},
}

// ModuleFirmware is the packed major.minor firmware word of a battery module.
var ModuleFirmware = Module(10, 16, 1, false, PackingNone)

var MidboxFields = []Field{
	{Name: "grid_voltage_l1", APIKey: "gridL1RmsVolt", Unit: "V", DeviceClass: "voltage", Def: Midbox(1, 16, 10, false)},
	{Name: "grid_voltage_l2", APIKey: "gridL2RmsVolt", Unit: "V", DeviceClass: "voltage", Def: Midbox(2, 16, 10, false)},
	{Name: "grid_frequency", APIKey: "gridFreq", Unit: "Hz", DeviceClass: "frequency", Def: Midbox(5, 16, 100, false)},
	{Name: "grid_power_l1", APIKey: "gridL1ActivePower", Unit: "W", DeviceClass: "power", Def: Midbox(10, 16, 1, true)},
	{Name: "grid_power_l2", APIKey: "gridL2ActivePower", Unit: "W", DeviceClass: "power", Def: Midbox(11, 16, 1, true)},
	{Name: "load_power_l1", APIKey: "loadL1ActivePower", Unit: "W", DeviceClass: "power", Def: Midbox(14, 16, 1, true)},
	{Name: "load_power_l2", APIKey: "loadL2ActivePower", Unit: "W", DeviceClass: "power", Def: Midbox(15, 16, 1, true)},
	{Name: "grid_import_energy_total", APIKey: "eToUserAll", Unit: "kWh", DeviceClass: "energy", Def: Midbox(40, 32, 10, false), Lifetime: true},
	{Name: "grid_export_energy_total", APIKey: "eToGridAll", Unit: "kWh", DeviceClass: "energy", Def: Midbox(42, 32, 10, false), Lifetime: true},
}

// MidboxRuntimeFields and MidboxEnergyFields are the interconnect controller
// counterparts of RuntimeFields and EnergyFields.
var (
	MidboxRuntimeFields []Field
	MidboxEnergyFields  []Field
)

var (
	byName   map[string]Field
	byAPIKey map[string]Field
	byAddr   map[uint16][]Field
)

func init() {
	byName = make(map[string]Field)
	byAPIKey = make(map[string]Field)
	byAddr = make(map[uint16][]Field)
	for _, group := range [][]Field{RuntimeFields, EnergyFields, BatteryBankFields} {
		for _, f := range group {
			if _, dup := byName[f.Name]; dup {
				continue
			}
			byName[f.Name] = f
			byAPIKey[f.APIKey] = f
			byAddr[f.Def.Address()] = append(byAddr[f.Def.Address()], f)
		}
	}
	for _, f := range MidboxFields {
		if f.Lifetime {
			MidboxEnergyFields = append(MidboxEnergyFields, f)
		} else {
			MidboxRuntimeFields = append(MidboxRuntimeFields, f)
		}
		// names only: midbox addresses overlap the inverter map
		if _, dup := byName[f.Name]; !dup {
			byName[f.Name] = f
		}
	}
}

// ByName looks up a catalog field by its canonical name. Interconnect fields
// are found too, inverter fields win on a shared name.
func ByName(name string) (Field, bool) {
	f, ok := byName[name]
	return f, ok
}

// ByAPIKey looks up an inverter field by its cloud API key.
func ByAPIKey(key string) (Field, bool) {
	f, ok := byAPIKey[key]
	return f, ok
}

// ByAddress returns the inverter fields stored at addr. Packed registers
// yield more than one field.
func ByAddress(addr uint16) []Field {
	return byAddr[addr]
}

// LifetimeKeys returns the names of the lifetime counters in fields.
func LifetimeKeys(fields []Field) []string {
	var keys []string
	for _, f := range fields {
		if f.Lifetime {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// DecodeFields decodes every field present in regs. Fields whose registers
// are missing are left out of the result.
func DecodeFields(regs RawMap, fields []Field, base uint16) map[string]float64 {
	values := make(map[string]float64, len(fields))
	for _, f := range fields {
		if v, ok := ReadScaled(regs, f.Def, base); ok {
			values[f.Name] = v
		}
	}
	return values
}
