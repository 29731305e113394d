package extraction

// seedVocabulary returns the built-in rehabilitation vocabulary.
// Terms are stored lowercase; matching is case-insensitive.
func seedVocabulary() map[Kind][]string {
	return map[Kind][]string{
		KindAnatomy: {
			"anterior cruciate ligament",
			"posterior cruciate ligament",
			"medial collateral ligament",
			"lateral collateral ligament",
			"patellar tendon",
			"achilles tendon",
			"rotator cuff",
			"meniscus",
			"patella",
			"femur",
			"tibia",
			"fibula",
			"humerus",
			"scapula",
			"clavicle",
			"quadriceps",
			"hamstring",
			"gastrocnemius",
			"deltoid",
			"knee joint",
			"hip joint",
			"shoulder joint",
			"ankle joint",
			"lumbar spine",
			"cervical spine",
			"intervertebral disc",
			"knee",
			"hip",
			"shoulder",
			"ankle",
			"wrist",
			"elbow",
			"spine",
			"cartilage",
			"ligament",
			"tendon",
		},
		KindCondition: {
			"anterior cruciate ligament tear",
			"rotator cuff tear",
			"meniscus tear",
			"ligament sprain",
			"muscle strain",
			"osteoarthritis",
			"rheumatoid arthritis",
			"tendinopathy",
			"tendinitis",
			"bursitis",
			"patellofemoral pain syndrome",
			"frozen shoulder",
			"herniated disc",
			"spinal stenosis",
			"sciatica",
			"plantar fasciitis",
			"stress fracture",
			"fracture",
			"dislocation",
			"subluxation",
			"contracture",
			"edema",
			"effusion",
			"atrophy",
			"instability",
			"impingement",
		},
		KindTreatment: {
			"range of motion exercises",
			"range-of-motion exercises",
			"progressive resistance training",
			"proprioceptive training",
			"manual therapy",
			"joint mobilization",
			"soft tissue mobilization",
			"therapeutic ultrasound",
			"electrical stimulation",
			"cryotherapy",
			"thermotherapy",
			"hydrotherapy",
			"gait training",
			"balance training",
			"strength training",
			"stretching",
			"massage",
			"arthroscopy",
			"arthroplasty",
			"ligament reconstruction",
			"meniscectomy",
			"physical therapy",
			"physiotherapy",
			"rehabilitation",
			"immobilization",
			"taping",
		},
		KindDevice: {
			"continuous passive motion machine",
			"knee brace",
			"ankle brace",
			"shoulder sling",
			"cervical collar",
			"orthosis",
			"prosthesis",
			"crutches",
			"walker",
			"wheelchair",
			"resistance band",
			"foam roller",
			"balance board",
			"treadmill",
			"stationary bike",
			"tens unit",
			"goniometer",
			"cane",
			"splint",
			"brace",
		},
	}
}
