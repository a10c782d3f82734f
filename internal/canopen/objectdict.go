package canopen

// Roboteq object dictionary indices (hex), fixed per spec.md section 4.2.
// Parameter names have changed across controller firmware v60/v80 but these
// ids are stable; never resolve them by name.
const (
	objDeviceType  uint16 = 0x1000 // sub 0, u32, SDO read (boot check)
	objIdentity    uint16 = 0x1018 // sub 1, u32, vendor id, SDO read (boot check)
	objCommand     uint16 = 0x2000 // sub 1/2, i32, SDO write (command emit)
	objPosition    uint16 = 0x2106 // sub 1/2, i32, RPDO read
	objVelocity    uint16 = 0x2106 // sub 3/4, i32, RPDO read
	objCurrent     uint16 = 0x2106 // sub 5/6, i16, RPDO read
	objFaultFlags  uint16 = 0x2106 // sub 7, u16, RPDO read
	objRuntimeFlags uint16 = 0x2106 // sub 8, u16, RPDO read
	objTemperature uint16 = 0x210F // sub 1, i8, SDO read
	objVoltage     uint16 = 0x210D // sub 2, u16, SDO read
	objBatteryAmps uint16 = 0x210C // sub 1/2, i16, SDO read
	objResetScript uint16 = 0x2018 // sub 0, u8, SDO write
	objEStopOn     uint16 = 0x200C // sub 0, u8, SDO write
	objEStopOff    uint16 = 0x200D // sub 0, u8, SDO write
	objSafetyStop  uint16 = 0x202C // sub 0, u8, SDO write
)

const (
	subPositionCh1 uint8 = 1
	subPositionCh2 uint8 = 2
	subVelocityCh1 uint8 = 3
	subVelocityCh2 uint8 = 4
	subCurrentCh1  uint8 = 5
	subCurrentCh2  uint8 = 6
	subFaultFlags  uint8 = 7
	subRuntimeFlags uint8 = 8

	subTemperature uint8 = 1
	subVoltage     uint8 = 2
	subAmpsCh1     uint8 = 1
	subAmpsCh2     uint8 = 2

	subVendorID uint8 = 1

	subZero uint8 = 0
)
